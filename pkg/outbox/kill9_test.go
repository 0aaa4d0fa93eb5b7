package outbox_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/failpoint"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/store/sqlstore"
)

const killHelperEnv = "SETTLD_KILL_HELPER_DB"

// TestKillHelper is the child process of TestKill9Recovery. It arms the
// failpoint from the environment and drains, which SIGKILLs the process
// before the transaction commits.
func TestKillHelper(t *testing.T) {
	path := os.Getenv(killHelperEnv)
	if path == "" {
		t.Skip("helper process only")
	}
	ctx := context.Background()
	s, err := sqlstore.Open(ctx, sqlstore.SQLite, sqlstore.SQLiteDSN(path))
	require.NoError(t, err)
	require.NoError(t, failpoint.LoadFromEnv())

	d := outbox.NewDispatcher(s)
	d.Register(contracts.TopicLedgerEntryApply, ledger.NewHandler())
	_, _ = d.Drain(ctx, outbox.DrainOptions{MaxMessages: 10})
	t.Fatal("failpoint did not kill the process")
}

func TestKill9Recovery(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires SIGKILL")
	}
	if os.Getenv(killHelperEnv) != "" {
		t.Skip("running as helper")
	}

	for _, fp := range []string{failpoint.LedgerAfterPostings, failpoint.OutboxAfterHandlerCommit} {
		t.Run(fp, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "kill9.db")

			s, err := sqlstore.Open(ctx, sqlstore.SQLite, sqlstore.SQLiteDSN(path))
			require.NoError(t, err)
			require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
				_, err := ledger.Enqueue(ctx, tx, balancedEntry("entry_kill9"), t0)
				return err
			}))
			require.NoError(t, s.Close())

			cmd := exec.Command(os.Args[0], "-test.run=^TestKillHelper$", "-test.count=1")
			cmd.Env = append(os.Environ(), killHelperEnv+"="+path, failpoint.EnvVar+"="+fp+"=kill")
			out, err := cmd.CombinedOutput()
			var exitErr *exec.ExitError
			require.True(t, errors.As(err, &exitErr), "helper should die, output:\n%s", out)
			assert.False(t, exitErr.Success())

			restarted, err := sqlstore.Open(ctx, sqlstore.SQLite, sqlstore.SQLiteDSN(path))
			require.NoError(t, err)
			defer func() { _ = restarted.Close() }()

			msgID := ledger.MessageID("tenant_a", "entry_kill9")
			require.NoError(t, restarted.View(ctx, func(tx store.Tx) error {
				n, err := tx.CountLedgerEntries(ctx, "tenant_a")
				require.NoError(t, err)
				assert.Zero(t, n, "killed transaction must roll back")
				m, err := tx.OutboxMessage(ctx, msgID)
				require.NoError(t, err)
				assert.Nil(t, m.ProcessedAt)
				return nil
			}))

			d := outbox.NewDispatcher(restarted)
			d.Register(contracts.TopicLedgerEntryApply, ledger.NewHandler())
			res, err := d.Drain(ctx, outbox.DrainOptions{MaxMessages: 10})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Processed)

			assertAppliedOnce(t, restarted, "entry_kill9")
			require.NoError(t, restarted.View(ctx, func(tx store.Tx) error {
				m, err := tx.OutboxMessage(ctx, msgID)
				require.NoError(t, err)
				assert.NotNil(t, m.ProcessedAt)
				return nil
			}))
		})
	}
}
