package speech

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
)

// BusOutput mirrors played speech onto the audio frame subject of a device,
// so remote nodes can capture it with the bus driver.
type BusOutput struct {
	bus      *bus.Client
	deviceID string
	sequence atomic.Int64
}

func NewBusOutput(busClient *bus.Client, deviceID string) *BusOutput {
	return &BusOutput{bus: busClient, deviceID: deviceID}
}

func (o *BusOutput) Write(ctx context.Context, f media.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	packet := protocol.AudioFrame{
		SessionID:  o.deviceID,
		Sequence:   int(o.sequence.Add(1) - 1),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		PCM:        f.PCM,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	return o.bus.Conn().Publish(protocol.AudioFrameSubject(o.deviceID), data)
}
