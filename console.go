package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"peerlink/models"
	"peerlink/network"
	"peerlink/signaling"
)

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  /peers                      room roster and session state
  /send <peer> <text>         send a message (queued while offline)
  /ttl <peer> <ms> <text>     send an ephemeral message
  /file <peer> <path>         send a file
  /read <peer> <message-id>   mark a received message read
  /history <peer> [n]         show stored messages
  /online <peer>              ask the relay whether a peer is online
  /quit`

// console is the line-oriented terminal front end of `peerlink run`.
type console struct {
	mu       sync.Mutex
	out      io.Writer
	filesDir string
	manager  *network.Manager
	coord    *signaling.Coordinator
}

func newConsole(out io.Writer, filesDir string, manager *network.Manager, coord *signaling.Coordinator) *console {
	return &console{out: out, filesDir: filesDir, manager: manager, coord: coord}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) handleStatus(status signaling.Status) {
	c.printf("* relay %s", status)
}

// handleEvent runs on session goroutines and must not block.
func (c *console) handleEvent(event network.Event) {
	switch event.Type {
	case network.EventSessionReady:
		c.printf("* session ready with %s", event.PeerID)
	case network.EventHandshakeFailed:
		c.printf("* handshake with %s failed: %v", event.PeerID, event.Err)
	case network.EventPeerDisconnected:
		c.printf("* %s disconnected", event.PeerID)
	case network.EventMessageReceived:
		c.printf("[%s] %s  (%s)", event.PeerID, event.Message.Body, event.MessageID)
	case network.EventMessageStatusChanged:
		c.printf("* %s -> %s", event.MessageID, event.Status)
	case network.EventMessageExpired:
		c.printf("* %s expired", event.MessageID)
	case network.EventFileReceived:
		file := *event.File
		go func() {
			path, err := saveReceivedFile(c.filesDir, file)
			if err != nil {
				c.printf("* could not save %q from %s: %v", file.Name, event.PeerID, err)
				return
			}
			c.printf("* received %q from %s, saved to %s", file.Name, event.PeerID, path)
		}()
	case network.EventFileFailed:
		c.printf("* file transfer with %s failed: %v", event.PeerID, event.Err)
	}
}

// run reads commands until input ends, ctx is cancelled or /quit.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := c.execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				c.printf("! %v", err)
			}
		}
	}
}

func (c *console) execute(ctx context.Context, line string) error {
	name, args := parseCommand(line)
	switch name {
	case "":
		return nil
	case "help":
		c.printf("%s", consoleHelp)
	case "quit", "exit":
		return errQuit
	case "peers":
		room, roster := c.coord.Room()
		c.printf("room %q:", room)
		for _, peer := range roster {
			state := "no session"
			if session, ok := c.manager.Session(peer.ID); ok {
				state = string(session.State())
			}
			c.printf("  %s  %s  %s", peer.ID, peer.DisplayName, state)
		}
	case "send":
		if len(args) < 2 {
			return errors.New("usage: /send <peer> <text>")
		}
		return c.send(ctx, args[0], strings.Join(args[1:], " "), 0)
	case "ttl":
		if len(args) < 3 {
			return errors.New("usage: /ttl <peer> <ms> <text>")
		}
		ttl, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid ttl %q", args[1])
		}
		return c.send(ctx, args[0], strings.Join(args[2:], " "), ttl)
	case "file":
		if len(args) != 2 {
			return errors.New("usage: /file <peer> <path>")
		}
		return c.sendFile(ctx, args[0], args[1])
	case "read":
		if len(args) != 2 {
			return errors.New("usage: /read <peer> <message-id>")
		}
		return c.manager.MarkRead(args[0], args[1])
	case "history":
		if len(args) < 1 {
			return errors.New("usage: /history <peer> [n]")
		}
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid count %q", args[1])
			}
			limit = n
		}
		messages, err := c.manager.Messages(args[0], limit)
		if err != nil {
			return err
		}
		for _, message := range messages {
			c.printf("%s", formatHistoryLine(message))
		}
	case "online":
		if len(args) != 1 {
			return errors.New("usage: /online <peer>")
		}
		if c.coord.CheckPeerOnline(ctx, args[0]) {
			c.printf("* %s is online", args[0])
		} else {
			c.printf("* %s is offline", args[0])
		}
	default:
		return fmt.Errorf("unknown command /%s, try /help", name)
	}
	return nil
}

func (c *console) send(ctx context.Context, peerID, text string, ttlMs int64) error {
	id, err := c.coord.SendMessage(ctx, peerID, text, ttlMs)
	if err != nil {
		return err
	}
	if c.manager.IsReady(peerID) {
		c.printf("* sent %s", id)
	} else {
		c.printf("* queued %s until %s is reachable", id, peerID)
	}
	return nil
}

func (c *console) sendFile(ctx context.Context, peerID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	name := filepath.Base(path)
	offer := network.FileOffer{Name: name, MIME: mime.TypeByExtension(filepath.Ext(name)), Data: data}
	go func() {
		fileID, err := c.manager.SendFile(ctx, peerID, offer)
		if err != nil {
			c.printf("! sending %q failed: %v", name, err)
			return
		}
		c.printf("* %q delivered (%s)", name, fileID)
	}()
	c.printf("* sending %q (%d bytes) to %s", name, len(data), peerID)
	return nil
}

// parseCommand splits "/name arg..." into its parts. Lines without a leading
// slash are not commands.
func parseCommand(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func formatHistoryLine(message models.Message) string {
	arrow := "<-"
	if message.Direction == models.DirectionOutbound {
		arrow = "->"
	}
	at := time.UnixMilli(message.CreatedAt).Format("15:04:05")
	return fmt.Sprintf("%s %s %s  %s  [%s]", at, arrow, message.PeerID, message.Body, message.Status)
}

// saveReceivedFile writes file under dir without overwriting existing files.
func saveReceivedFile(dir string, file network.ReceivedFile) (string, error) {
	name := filepath.Base(filepath.Clean("/" + file.Name))
	if name == "/" || name == "." || name == "" {
		name = file.FileID
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(file.Data); err != nil {
			_ = f.Close()
			return "", err
		}
		return path, f.Close()
	}
}
