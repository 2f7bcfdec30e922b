package notify

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "chatr/internal/errors"
)

// BellPlayer plays the notification sound as a terminal bell.
type BellPlayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBellPlayer writes bells to w.
func NewBellPlayer(w io.Writer) *BellPlayer {
	return &BellPlayer{w: w}
}

func (b *BellPlayer) Play(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.w.Write([]byte{'\a'})
	return err
}

// NoopNotifier never shows OS notifications.
type NoopNotifier struct{}

func (NoopNotifier) Permission() Permission { return PermissionDenied }

func (NoopNotifier) RequestPermission(context.Context) (Permission, error) {
	return PermissionDenied, nil
}

func (NoopNotifier) Notify(context.Context, OSNotification) (Handle, error) {
	return noopHandle{}, nil
}

type noopHandle struct{}

func (noopHandle) Close() error { return nil }

// DesktopNotifier shows freedesktop notifications through notify-send. It
// waits for the default action in the background so a click can focus the
// app; closing the handle withdraws the notification.
type DesktopNotifier struct {
	appName string
	binary  string
	expire  time.Duration
	logger  *logrus.Logger
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewDesktopNotifier locates notify-send on PATH.
func NewDesktopNotifier(appName string, expire time.Duration, logger *logrus.Logger) *DesktopNotifier {
	binary, err := exec.LookPath("notify-send")
	if err != nil {
		binary = ""
	}
	return &DesktopNotifier{
		appName: appName,
		binary:  binary,
		expire:  expire,
		logger:  logger,
		command: exec.CommandContext,
	}
}

// Permission is granted when notify-send is available.
func (d *DesktopNotifier) Permission() Permission {
	if d.binary == "" {
		return PermissionDenied
	}
	return PermissionGranted
}

// RequestPermission has nothing to ask on the desktop.
func (d *DesktopNotifier) RequestPermission(context.Context) (Permission, error) {
	return d.Permission(), nil
}

// Notify starts notify-send. The process outlives ctx; it ends when the
// notification is clicked, expires or the handle is closed.
func (d *DesktopNotifier) Notify(_ context.Context, n OSNotification) (Handle, error) {
	if d.binary == "" {
		return nil, apperrors.New(apperrors.ErrCodeNotification, "notify-send is not available")
	}

	args := []string{
		"--app-name=" + d.appName,
		"--action=default=Open",
		"--wait",
	}
	if d.expire > 0 {
		args = append(args, "--expire-time="+strconv.FormatInt(d.expire.Milliseconds(), 10))
	}
	if n.Tag != "" {
		args = append(args, "--hint=string:x-canonical-private-synchronous:"+n.Tag)
	}
	args = append(args, n.Title)
	if n.Body != "" {
		args = append(args, n.Body)
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := d.command(cmdCtx, d.binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNotification, "failed to start notify-send")
	}

	go func() {
		defer cancel()
		if err := cmd.Wait(); err != nil {
			if cmdCtx.Err() == nil {
				d.logger.WithError(err).Debug("notify-send exited with error")
			}
			return
		}
		if strings.TrimSpace(out.String()) == "default" && n.OnClick != nil {
			n.OnClick()
		}
	}()

	return processHandle{cancel: cancel}, nil
}

type processHandle struct {
	cancel context.CancelFunc
}

func (h processHandle) Close() error {
	h.cancel()
	return nil
}
