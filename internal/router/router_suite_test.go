package router

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Test Launcher
func TestRouter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "router suite")
}
