//go:build linux

package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/uhyve-go/uhyve/checkpoint"
)

func TestSaveFailureIsFatal(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocked, nil, 0644); err != nil {
		t.Fatal(err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	exited := false
	log.ExitFunc = func(int) { exited = true }

	save(log, &checkpoint.Engine{Dir: filepath.Join(blocked, "checkpoint")})

	if !exited {
		t.Error("a failed save did not end the run")
	}
}
