package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sertest/internal/testutil"
)

// newTransferSession provisions a session with direct ports and a couple of
// extracted files, ready for RunTransfer.
func newTransferSession(t *testing.T) (*Session, []string) {
	t.Helper()
	sess, err := NewSession(t.TempDir(), false, 200*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(sess.Cleanup)
	sess.UseDirectPorts("PORT1", "PORT2")

	require.NoError(t, os.WriteFile(filepath.Join(sess.ExtractDir, "A.TXT"), []byte("0123456789"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sess.ExtractDir, "B.BIN"), nil, 0644))

	files, err := ListTransferFiles(sess.ExtractDir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	return sess, files
}

func TestRunTransfer_Succeeds(t *testing.T) {
	sess, files := newTransferSession(t)
	bin := t.TempDir()
	// The receiver outlives the sender, then exits cleanly.
	recv := writeScript(t, bin, "recv", "sleep 0.3\nexit 0\n")
	send := writeScript(t, bin, "send", "exit 0\n")

	sleeper := &testutil.SleepRecorder{}
	cfg := TransferConfig{
		Receiver:       recv,
		Sender:         send,
		PacingPacket:   10,
		ReceiverSettle: time.Second,
		Sleep:          sleeper.Sleep,
	}

	require.NoError(t, RunTransfer(context.Background(), sess, cfg, files))
	assert.Equal(t, []time.Duration{time.Second}, sleeper.Calls())
}

func TestRunTransfer_SenderFailureTerminatesReceiver(t *testing.T) {
	sess, files := newTransferSession(t)
	bin := t.TempDir()
	recv := writeScript(t, bin, "recv", "sleep 30\n")
	send := writeScript(t, bin, "send", "exit 1\n")

	cfg := TransferConfig{
		Receiver: recv,
		Sender:   send,
		Sleep:    func(time.Duration) {},
	}

	err := RunTransfer(context.Background(), sess, cfg, files)
	require.Error(t, err)
	assert.True(t, IsTransferError(err))
	assert.Contains(t, err.Error(), "sender exited with code 1")

	// No orphan: the receiver must have been terminated, not abandoned.
	for _, p := range sess.procs {
		assert.False(t, p.Running(), "process %s still running", p.Role())
	}
}

func TestRunTransfer_ReceiverFailureAfterSenderSuccess(t *testing.T) {
	sess, files := newTransferSession(t)
	bin := t.TempDir()
	recv := writeScript(t, bin, "recv", "sleep 0.2\nexit 5\n")
	send := writeScript(t, bin, "send", "exit 0\n")

	cfg := TransferConfig{Receiver: recv, Sender: send, Sleep: func(time.Duration) {}}

	err := RunTransfer(context.Background(), sess, cfg, files)
	require.Error(t, err)
	assert.True(t, IsTransferError(err))
	assert.Contains(t, err.Error(), "receiver exited with code 5")
}

func TestRunTransfer_EarlyReceiverExit(t *testing.T) {
	sess, files := newTransferSession(t)
	bin := t.TempDir()
	recv := writeScript(t, bin, "recv", "exit 3\n")
	sendMarker := filepath.Join(t.TempDir(), "send_invoked")
	send := writeScript(t, bin, "send", "touch "+sendMarker+"\nexit 0\n")

	// A real (short) settle so the receiver's immediate exit is observed.
	cfg := TransferConfig{Receiver: recv, Sender: send, ReceiverSettle: 300 * time.Millisecond}

	err := RunTransfer(context.Background(), sess, cfg, files)
	require.Error(t, err)
	assert.True(t, IsTransferError(err))
	assert.Contains(t, err.Error(), "receiver exited before the sender started")

	// The ordering guarantee: the sender never ran against a dead listener.
	assert.NoFileExists(t, sendMarker)
}

func TestRunTransfer_PassesEndpointsPacingAndFiles(t *testing.T) {
	sess, files := newTransferSession(t)
	bin := t.TempDir()
	argLog := filepath.Join(t.TempDir(), "args.log")
	recv := writeScript(t, bin, "recv", `echo "recv $@" >> `+argLog+"\nsleep 0.3\n")
	send := writeScript(t, bin, "send", `echo "send $@" >> `+argLog+"\n")

	cfg := TransferConfig{
		Receiver:     recv,
		Sender:       send,
		PacingPacket: 25,
		Sleep:        func(time.Duration) {},
	}
	require.NoError(t, RunTransfer(context.Background(), sess, cfg, files))

	data, err := os.ReadFile(argLog)
	require.NoError(t, err)
	logged := string(data)
	assert.Contains(t, logged, "recv PORT1 "+sess.ReceiveDir+" --pacing-packet 25")
	assert.Contains(t, logged, "send PORT2 --pacing-packet 25 "+files[0]+" "+files[1])
}

func TestRunTransfer_RejectsEmptyFileList(t *testing.T) {
	sess, _ := newTransferSession(t)
	err := RunTransfer(context.Background(), sess, TransferConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files to transfer")
}

func TestListTransferFiles_SortedRegularFilesOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B.BIN"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.TXT"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir"), 0755))

	files, err := ListTransferFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "A.TXT"), files[0])
	assert.Equal(t, filepath.Join(dir, "B.BIN"), files[1])
}

func TestListTransferFiles_EmptyDir(t *testing.T) {
	files, err := ListTransferFiles(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListTransferFiles_MissingDir(t *testing.T) {
	_, err := ListTransferFiles(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
