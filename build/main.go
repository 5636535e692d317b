package main

import (
	"os"
	"os/exec"

	"github.com/goyek/goyek/v2"
)

func run(a *goyek.A, env []string, name string, args ...string) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), env...)
	if err := cmd.Run(); err != nil {
		a.Error(err)
	}
}

var vet = goyek.Define(goyek.Task{
	Name:  "vet",
	Usage: "Run go vet on all packages",
	Action: func(a *goyek.A) {
		run(a, nil, "go", "vet", "./...")
	},
})

var test = goyek.Define(goyek.Task{
	Name:  "test",
	Usage: "Run unit tests",
	Deps:  goyek.Deps{vet},
	Action: func(a *goyek.A) {
		run(a, nil, "go", "test", "-race", "./...")
	},
})

// Integration tests skip themselves unless CONSTRAINTBUILDER_TEST_DSN (and
// optionally CONSTRAINTBUILDER_TEST_NATS_URL) is set.
var _ = goyek.Define(goyek.Task{
	Name:  "test-integration",
	Usage: "Run tests against PostGIS and NATS from the environment",
	Deps:  goyek.Deps{vet},
	Action: func(a *goyek.A) {
		if os.Getenv("CONSTRAINTBUILDER_TEST_DSN") == "" {
			a.Skip("CONSTRAINTBUILDER_TEST_DSN not set")
		}
		run(a, nil, "go", "test", "-count=1", "-run", "Integration|GridDissolve|NATS", "./internal/...")
	},
})

var _ = goyek.Define(goyek.Task{
	Name:  "install",
	Usage: "Install the constraintbuilder binary",
	Deps:  goyek.Deps{test},
	Action: func(a *goyek.A) {
		run(a, []string{"CGO_ENABLED=0"}, "go", "install", "./cmd/constraintbuilder")
	},
})

func main() {
	goyek.Main(os.Args[1:])
}
