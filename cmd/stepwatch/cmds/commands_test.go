package cmds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/stepwatch/pkg/recorder"
	"github.com/willibrandon/stepwatch/pkg/translate"
)

func writeTrace(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "boot.trace")
	r, err := recorder.NewFileRecorder(path)
	require.NoError(t, err)
	steps := []map[string]uint64{
		{"eax": 0x0100, "ecx": 0, "es": 0, "eip": 0x7c10},
		{"eax": 0x0202, "ecx": 2, "es": 0, "eip": 0x7c18},
		{"eax": 0x0202, "ecx": 2, "es": 0x2000, "eip": 0x7c20},
	}
	for i, regs := range steps {
		require.NoError(t, r.RecordEvent(recorder.Event{
			ID:        int64(i + 1),
			Type:      recorder.StepEvent,
			Step:      i + 1,
			PC:        regs["eip"],
			Registers: regs,
		}))
	}
	require.NoError(t, r.Close())
	return path
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	log, logOutput, logDest = false, "", ""
	configPath, signatureFlag, recordPath = "", "", ""
	wait, maxSteps, mode = false, 0, 0
	cmd := New()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestReplayWait(t *testing.T) {
	translate.Use("en-US")
	dir := t.TempDir()
	trace := writeTrace(t, dir)
	conf := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(conf, []byte("signatures:\n  read: {ax: 0x0202, es: 0x2000, cl: 2}\n"), 0600))

	assert.NoError(t, run(t, "replay", trace, "--wait", "--config", conf, "-s", "read"))
	assert.NoError(t, run(t, "replay", trace, "--wait", "--config", conf, "-s", "ah=2,al=2"))

	err := run(t, "replay", trace, "--wait", "--config", conf, "-s", "ax=0x9999")
	assert.ErrorContains(t, err, "gave up after 4 steps")

	err = run(t, "replay", trace, "--wait", "--config", conf, "-s", "ax=0x9999", "--max-steps", "2")
	assert.ErrorContains(t, err, "step limit reached")

	err = run(t, "replay", trace, "--wait", "--config", conf, "-s", "nosuch")
	assert.ErrorContains(t, err, `no signature named "nosuch"`)
}

func TestReplayRecord(t *testing.T) {
	translate.Use("en-US")
	dir := t.TempDir()
	trace := writeTrace(t, dir)
	conf := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(conf, []byte("record-compression: none\n"), 0600))
	out := filepath.Join(dir, "again.trace")

	require.NoError(t, run(t, "replay", trace, "--wait", "--config", conf, "-s", "es=0x2000", "--record", out))

	events, err := recorder.ReadTrace(out)
	require.NoError(t, err)
	outcome, err := recorder.Outcome(events)
	require.NoError(t, err)
	assert.Equal(t, recorder.MatchEvent, outcome.Type)
	assert.Equal(t, 3, outcome.Step)
	assert.Equal(t, uint64(0x7c20), outcome.PC)
}

func TestBadFlags(t *testing.T) {
	dir := t.TempDir()
	trace := writeTrace(t, dir)

	err := run(t, "replay", trace, "--wait", "--log-output", "monitor")
	assert.ErrorContains(t, err, "--log-output specified without --log")

	conf := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(conf, []byte("record-compression: lz4\n"), 0600))
	err = run(t, "replay", trace, "--wait", "--config", conf, "-s", "ax=1")
	assert.Error(t, err)

	assert.Error(t, run(t, "replay"))
	assert.Error(t, run(t, "replay", filepath.Join(dir, "missing")))
}
