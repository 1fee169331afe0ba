package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"peerlink/config"
	"peerlink/crypto"
	"peerlink/models"
	"peerlink/network"
	"peerlink/signaling"
	"peerlink/storage"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runRoot(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("peerlink %s failed: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestIdentityCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.DataDirEnv, dir)

	initOut := runRoot(t, "--data-dir", dir, "-p", "hunter2", "identity", "init")
	if !strings.Contains(initOut, "Fingerprint:") {
		t.Fatalf("unexpected init output:\n%s", initOut)
	}

	showOut := runRoot(t, "--data-dir", dir, "identity", "show")
	initKey := lineValue(t, initOut, "Public Key:")
	if showKey := lineValue(t, showOut, "Public Key:"); showKey != initKey {
		t.Fatalf("show printed %q, init printed %q", showKey, initKey)
	}

	phrase := strings.TrimSpace(runRoot(t, "--data-dir", dir, "-p", "hunter2", "identity", "export-phrase"))
	if words := strings.Fields(phrase); len(words) != 24 {
		t.Fatalf("expected 24 word phrase, got %d words", len(words))
	}

	restoreDir := t.TempDir()
	t.Setenv(config.DataDirEnv, restoreDir)
	args := append([]string{"--data-dir", restoreDir, "-p", "other", "identity", "restore"}, strings.Fields(phrase)...)
	runRoot(t, args...)
	restoredOut := runRoot(t, "--data-dir", restoreDir, "identity", "show")
	if restoredKey := lineValue(t, restoredOut, "Public Key:"); restoredKey != initKey {
		t.Fatalf("restored key %q does not match %q", restoredKey, initKey)
	}
}

func TestMasterKeySaltPersists(t *testing.T) {
	t.Setenv(config.DataDirEnv, t.TempDir())

	first, err := loadApp()
	if err != nil {
		t.Fatalf("loadApp failed: %v", err)
	}
	key1, err := first.masterKey([]byte("pw"))
	if err != nil {
		t.Fatalf("masterKey failed: %v", err)
	}
	if first.cfg.MasterKeySalt == "" {
		t.Fatalf("expected salt to be persisted")
	}

	second, err := loadApp()
	if err != nil {
		t.Fatalf("loadApp failed: %v", err)
	}
	key2, err := second.masterKey([]byte("pw"))
	if err != nil {
		t.Fatalf("masterKey failed: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatalf("master key changed across loads")
	}
	key3, _ := second.masterKey([]byte("different"))
	if bytes.Equal(key1, key3) {
		t.Fatalf("different passphrase produced the same key")
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		name string
		args []string
	}{
		{"/send bob hello there", "send", []string{"bob", "hello", "there"}},
		{"  /PEERS  ", "peers", nil},
		{"just chatting", "", nil},
		{"/", "", nil},
	}
	for _, tc := range cases {
		name, args := parseCommand(tc.line)
		if name != tc.name || len(args) != len(tc.args) {
			t.Fatalf("parseCommand(%q) = %q %v", tc.line, name, args)
		}
		for i := range args {
			if args[i] != tc.args[i] {
				t.Fatalf("parseCommand(%q) = %q %v", tc.line, name, args)
			}
		}
	}
}

func TestSaveReceivedFileStaysInDirAndDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	file := network.ReceivedFile{FileID: "f1", Name: "../../etc/notes.txt", Data: []byte("one")}

	first, err := saveReceivedFile(dir, file)
	if err != nil {
		t.Fatalf("saveReceivedFile failed: %v", err)
	}
	if first != filepath.Join(dir, "notes.txt") {
		t.Fatalf("unexpected path %q", first)
	}

	file.Data = []byte("two")
	second, err := saveReceivedFile(dir, file)
	if err != nil {
		t.Fatalf("saveReceivedFile failed: %v", err)
	}
	if second != filepath.Join(dir, "notes (1).txt") {
		t.Fatalf("unexpected path %q", second)
	}
	data, _ := os.ReadFile(first)
	if string(data) != "one" {
		t.Fatalf("first file overwritten: %q", data)
	}
}

func TestConsoleQueuesWhileOffline(t *testing.T) {
	store := storage.NewMemory()
	manager, err := network.NewManager(network.Options{LocalID: "alice", Store: store})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	manager.Start()
	t.Cleanup(manager.Stop)

	queueKey, _ := network.DeriveQueueKey(bytes.Repeat([]byte{1}, crypto.KeySize))
	coord, err := signaling.NewCoordinator(signaling.Options{
		URL:      "ws://127.0.0.1:1/ws",
		LocalID:  "alice",
		Manager:  manager,
		Queue:    store,
		QueueKey: queueKey,
	})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })

	var out syncBuffer
	c := newConsole(&out, t.TempDir(), manager, coord)
	ctx := context.Background()

	if err := c.execute(ctx, "/send bob are you there"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(out.String(), "queued") {
		t.Fatalf("expected queued notice, got:\n%s", out.String())
	}
	if err := c.execute(ctx, "/history bob"); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out.String(), "are you there  [pending]") {
		t.Fatalf("expected pending history line, got:\n%s", out.String())
	}
	if err := c.execute(ctx, "/ttl bob soon nope"); err == nil {
		t.Fatalf("expected invalid ttl error")
	}
	if err := c.execute(ctx, "/bogus"); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if err := c.execute(ctx, "/quit"); err != errQuit {
		t.Fatalf("expected errQuit, got %v", err)
	}
}

func TestConsolePrintsReceivedMessages(t *testing.T) {
	var out syncBuffer
	c := newConsole(&out, t.TempDir(), nil, nil)
	c.handleEvent(network.Event{
		Type:      network.EventMessageReceived,
		PeerID:    "bob",
		MessageID: "m1",
		Message:   &models.Message{ID: "m1", Body: "hi alice"},
	})
	if got := out.String(); got != "[bob] hi alice  (m1)\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func lineValue(t *testing.T, output, prefix string) string {
	t.Helper()
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	t.Fatalf("no %q line in:\n%s", prefix, output)
	return ""
}

func TestServeRelayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveRelay(ctx, zap.NewNop(), config.ServerConfig{Listen: "127.0.0.1:0", Path: "/ws"})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveRelay returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serveRelay did not stop")
	}
}
