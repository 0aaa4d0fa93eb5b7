// Package failpoint injects process death at named execution points so crash
// recovery can be exercised deterministically.
//
// A failpoint armed with ActionKill sends SIGKILL to the current process. One
// armed with ActionError makes Inject return ErrKilled; callers treat that
// exactly like death: they abort without writing anything further, and the
// open transaction rolls back.
package failpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Named failpoints.
const (
	OutboxAfterHandlerCommit = "outbox.after_handler_commit_before_mark"
	LedgerAfterPostings      = "ledger.after_postings_insert"
	DeliveryAfterPost        = "delivery.after_post_before_mark"
	MonthCloseBetweenPhases  = "monthclose.after_statements_before_payouts"
)

// EnvVar arms failpoints at startup: "name[=kill|error][,name...]".
const EnvVar = "SETTLD_FAILPOINT"

// Action is what an armed failpoint does.
type Action int

const (
	ActionKill Action = iota
	ActionError
)

// ErrKilled is returned by Inject for ActionError failpoints.
var ErrKilled = errors.New("failpoint: simulated process kill")

var (
	mu    sync.RWMutex
	armed = map[string]Action{}
)

// Enable arms name with action.
func Enable(name string, action Action) {
	mu.Lock()
	defer mu.Unlock()
	armed[name] = action
}

// Disable disarms name.
func Disable(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(armed, name)
}

// Reset disarms everything.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	armed = map[string]Action{}
}

// Inject fires the failpoint if armed.
func Inject(name string) error {
	mu.RLock()
	action, ok := armed[name]
	mu.RUnlock()
	if !ok {
		return nil
	}
	switch action {
	case ActionError:
		return fmt.Errorf("%w at %s", ErrKilled, name)
	default:
		slog.Warn("failpoint: killing process", "failpoint", name)
		kill()
		// Unreachable once the signal lands; keep the caller from writing.
		return fmt.Errorf("%w at %s", ErrKilled, name)
	}
}

// IsKilled reports whether err came from a failpoint.
func IsKilled(err error) bool {
	return errors.Is(err, ErrKilled)
}

// Load arms the failpoints in a comma-separated name=action list.
func Load(list string) error {
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, mode, _ := strings.Cut(part, "=")
		switch mode {
		case "", "kill":
			Enable(name, ActionKill)
		case "error":
			Enable(name, ActionError)
		default:
			return fmt.Errorf("failpoint %s: unknown action %q", name, mode)
		}
	}
	return nil
}

// LoadFromEnv arms failpoints from SETTLD_FAILPOINT.
func LoadFromEnv() error {
	return Load(os.Getenv(EnvVar))
}

func kill() {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		os.Exit(137)
	}
	// On unix Process.Kill delivers SIGKILL.
	_ = p.Kill()
	select {}
}
