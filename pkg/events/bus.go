package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

// Bus carries deployment progress events over a single in-process
// topic. The sequencer publishes through an Emitter; consumers register
// handlers before Run. A deployment emits a handful of events per
// service, so a small buffer is plenty.
type Bus struct {
	router *message.Router
	pubsub *gochannel.GoChannel

	runOnce sync.Once
}

func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new event router")
	}
	return &Bus{
		router: router,
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger),
	}, nil
}

// Publisher exposes the side the sequencer's BusEmitter writes to.
func (b *Bus) Publisher() message.Publisher {
	return b.pubsub
}

// AddHandler subscribes handler to the deploy topic. Must be called
// before Run.
func (b *Bus) AddHandler(name string, handler func(*message.Message) error) {
	b.router.AddConsumerHandler(name, TopicDeploy, b.pubsub, handler)
}

// Running is closed once handlers are receiving; publish before that
// and the event is dropped.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

// Run pumps events until ctx is cancelled, then shuts the router down.
// Safe to call once; the error is the router's.
func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.router.Close()
		}()
		runErr = b.router.Run(ctx)
	})
	return runErr
}

func (b *Bus) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubsub.Close()
}
