package devices

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/mattn/go-shellwords"
	"github.com/nats-io/nats.go"
)

const (
	DriverLoopback = "loopback"
	DriverBus      = "bus"
	DriverExec     = "exec"
)

// execFrameDuration is how much captured audio each exec frame carries.
const execFrameDuration = 20 * time.Millisecond

// Manager opens audio inputs configured on this node or announced by others.
type Manager struct {
	nodeID   string
	devices  []config.DeviceConfig
	loop     *media.Loopback
	bus      *bus.Client
	registry *Registry
	buffer   int
	log      *slog.Logger
}

// NewManager builds a manager. busClient and registry may be nil, in which
// case bus devices cannot be opened and remote devices are not listed.
func NewManager(cfg config.NodeConfig, loop *media.Loopback, busClient *bus.Client, registry *Registry, log *slog.Logger) *Manager {
	return &Manager{
		nodeID:   cfg.ID,
		devices:  append([]config.DeviceConfig(nil), cfg.Devices...),
		loop:     loop,
		bus:      busClient,
		registry: registry,
		buffer:   64,
		log:      log.With(slog.String("component", "device-manager")),
	}
}

// EnumerateDevices lists local inputs first, then bus inputs of other nodes.
func (m *Manager) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]media.DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, media.DeviceInfo{
			DeviceID: d.ID,
			Kind:     media.KindAudioInput,
			Label:    labelOf(d.Label, d.ID),
			GroupID:  m.nodeID,
		})
	}
	if m.registry != nil {
		for _, rd := range m.registry.RemoteDevices() {
			if m.local(rd.Device.ID) != nil {
				continue
			}
			out = append(out, media.DeviceInfo{
				DeviceID: rd.Device.ID,
				Kind:     media.KindAudioInput,
				Label:    labelOf(rd.Device.Label, rd.Device.ID),
				GroupID:  rd.NodeID,
			})
		}
	}
	return out, nil
}

// GetUserMedia opens the requested input, or the first configured one when
// no device is named.
func (m *Manager) GetUserMedia(ctx context.Context, c media.Constraints) (*media.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio {
		return nil, fmt.Errorf("%w: only audio capture is available", media.ErrNotSupported)
	}
	dev, err := m.resolve(c.DeviceID)
	if err != nil {
		return nil, err
	}
	if dev.Denied {
		return nil, fmt.Errorf("%w: %s", media.ErrPermissionDenied, dev.ID)
	}
	track, err := m.open(dev)
	if err != nil {
		return nil, err
	}
	m.log.Debug("audio input opened", slog.String("device_id", dev.ID), slog.String("driver", dev.Driver))
	return media.NewMediaStream(track), nil
}

func (m *Manager) resolve(deviceID string) (config.DeviceConfig, error) {
	if deviceID == "" {
		if len(m.devices) == 0 {
			return config.DeviceConfig{}, fmt.Errorf("%w: no audio inputs configured", media.ErrDeviceNotFound)
		}
		return m.devices[0], nil
	}
	if d := m.local(deviceID); d != nil {
		return *d, nil
	}
	if m.registry != nil {
		for _, rd := range m.registry.RemoteDevices() {
			if rd.Device.ID == deviceID {
				return config.DeviceConfig{
					ID:         rd.Device.ID,
					Label:      rd.Device.Label,
					Driver:     DriverBus,
					SampleRate: rd.Device.SampleRate,
					Channels:   rd.Device.Channels,
				}, nil
			}
		}
	}
	return config.DeviceConfig{}, fmt.Errorf("%w: %s", media.ErrDeviceNotFound, deviceID)
}

func (m *Manager) local(deviceID string) *config.DeviceConfig {
	for i := range m.devices {
		if m.devices[i].ID == deviceID {
			return &m.devices[i]
		}
	}
	return nil
}

func (m *Manager) open(dev config.DeviceConfig) (*media.AudioTrack, error) {
	label := labelOf(dev.Label, dev.ID)
	switch dev.Driver {
	case DriverLoopback:
		if m.loop == nil {
			return nil, fmt.Errorf("%w: no speech output to monitor", media.ErrNotSupported)
		}
		return m.loop.Monitor(label, dev.ID), nil
	case DriverBus:
		return m.openBus(dev, label)
	case DriverExec:
		return m.openExec(dev, label)
	default:
		return nil, fmt.Errorf("%w: driver %q", media.ErrNotSupported, dev.Driver)
	}
}

func (m *Manager) openBus(dev config.DeviceConfig, label string) (*media.AudioTrack, error) {
	if m.bus == nil {
		return nil, fmt.Errorf("%w: bus not connected", media.ErrNotSupported)
	}
	subject := dev.Subject
	if subject == "" {
		subject = protocol.AudioFrameSubject(dev.ID)
	}
	msgs := make(chan *nats.Msg, m.buffer)
	sub, err := m.bus.Conn().ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	track := media.NewAudioTrack(label, dev.ID, m.buffer, func() {
		_ = sub.Unsubscribe()
	})
	go m.pumpBus(track, msgs, dev)
	return track, nil
}

func (m *Manager) pumpBus(track *media.AudioTrack, msgs <-chan *nats.Msg, dev config.DeviceConfig) {
	for {
		select {
		case <-track.Ended():
			return
		case msg := <-msgs:
			var frame protocol.AudioFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				m.log.Warn("invalid audio frame", slog.String("device_id", dev.ID), slog.String("error", err.Error()))
				continue
			}
			f := media.Frame{
				PCM:        frame.PCM,
				SampleRate: firstPositive(frame.SampleRate, dev.SampleRate, media.DefaultSampleRate),
				Channels:   firstPositive(frame.Channels, dev.Channels, media.DefaultChannels),
				Timestamp:  time.Now(),
			}
			if len(f.PCM) > 0 {
				if err := track.Push(context.Background(), f); err != nil {
					return
				}
			}
			if frame.Final {
				track.Stop()
				return
			}
		}
	}
}

func (m *Manager) openExec(dev config.DeviceConfig, label string) (*media.AudioTrack, error) {
	parts, err := shellwords.Parse(dev.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty capture command", media.ErrNotSupported)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	track := media.NewAudioTrack(label, dev.ID, m.buffer, cancel)
	go func() {
		m.pumpExec(track, stdout, dev)
		track.Stop()
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			m.log.Warn("capture command exited", slog.String("device_id", dev.ID), slog.String("error", err.Error()))
		}
	}()
	return track, nil
}

func (m *Manager) pumpExec(track *media.AudioTrack, stdout io.Reader, dev config.DeviceConfig) {
	rate := firstPositive(dev.SampleRate, media.DefaultSampleRate)
	channels := firstPositive(dev.Channels, media.DefaultChannels)
	frameBytes := rate * channels * 2 * int(execFrameDuration/time.Millisecond) / 1000
	reader := bufio.NewReaderSize(stdout, frameBytes*4)
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(reader, buf)
		if n > 0 {
			n -= n % 2
			f := media.Frame{PCM: buf[:n], SampleRate: rate, Channels: channels, Timestamp: time.Now()}
			if pushErr := track.Push(context.Background(), f); pushErr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				select {
				case <-track.Ended():
				default:
					m.log.Warn("capture read failed", slog.String("device_id", dev.ID), slog.String("error", err.Error()))
				}
			}
			return
		}
	}
}

func labelOf(label, id string) string {
	if label != "" {
		return label
	}
	return id
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
