package kmain

import (
	"testing"

	"github.com/schani/ralph-os/kernel/mem"
)

func TestRegisterBootTask(t *testing.T) {
	defer func() { bootTasks = nil }()

	RegisterBootTask("console", func() {}, 0)
	RegisterBootTask("shell", func() {}, 32*mem.Kb)

	if len(bootTasks) != 2 {
		t.Fatalf("expected 2 queued boot tasks; got %d", len(bootTasks))
	}
	if bootTasks[0].name != "console" || bootTasks[1].name != "shell" {
		t.Fatal("expected boot tasks to keep registration order")
	}
	if bootTasks[1].stackSize != 32*mem.Kb {
		t.Fatalf("expected the requested stack size to be recorded; got %d", bootTasks[1].stackSize)
	}
}
