package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  crawlkit environment check")
	fmt.Println("==============================================")
	fmt.Println()

	allOK := true

	goVersion := runtime.Version()
	fmt.Printf("Go version: %s\n", goVersion)
	if !strings.HasPrefix(goVersion, "go1.21") &&
		!strings.HasPrefix(goVersion, "go1.22") &&
		!strings.HasPrefix(goVersion, "go1.23") {
		fmt.Println("warning: crawlkit has been checked with Go 1.21 through 1.23 only")
	}

	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	if checkCommand("google-chrome", "--version") || checkCommand("chromium", "--version") || checkCommand("chromium-browser", "--version") {
		fmt.Println("system Chromium found (go-rod will use it instead of downloading one)")
	} else {
		fmt.Println("no system Chromium found; go-rod will download a managed one on first launch")
	}

	fmt.Println()
	fmt.Println("checking go module...")
	if _, err := os.Stat("go.mod"); err == nil {
		fmt.Println("go.mod present")

		fmt.Println("running go mod tidy...")
		if err := exec.Command("go", "mod", "tidy").Run(); err != nil {
			fmt.Printf("go mod tidy failed: %v\n", err)
			allOK = false
		}

		fmt.Println("running go mod download...")
		if err := exec.Command("go", "mod", "download").Run(); err != nil {
			fmt.Printf("go mod download failed: %v\n", err)
			allOK = false
		}
	} else {
		fmt.Println("go.mod not found")
		allOK = false
	}

	fmt.Println()
	fmt.Println("checking project layout...")
	requiredDirs := []string{
		"cmd/crawlkit",
		"internal/crawlercore",
		"internal/browserpool",
		"internal/sessionpool",
		"internal/requestqueue",
		"internal/requestlist",
		"internal/autoscale",
		"scripts",
	}

	for _, dir := range requiredDirs {
		if _, err := os.Stat(dir); err == nil {
			fmt.Printf("  %s/\n", dir)
		} else {
			fmt.Printf("  %s/ missing\n", dir)
			allOK = false
		}
	}

	fmt.Println()
	fmt.Println("==============================================")
	if allOK {
		fmt.Println("environment check passed")
		os.Exit(0)
	}
	fmt.Println("environment check failed, see above")
	os.Exit(1)
}

func checkCommand(name string, args ...string) bool {
	return exec.Command(name, args...).Run() == nil
}
