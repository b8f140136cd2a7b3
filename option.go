package peerslot

import (
	"errors"
	"time"
)

type (
	options struct {
		httpServerListenAddr string
		randSource           RandSource
		selectRetries        int
		compactInterval      time.Duration
	}
	Option func(*options) error
)

func newOptions(option ...Option) (*options, error) {
	opts := &options{
		httpServerListenAddr: "0.0.0.0:40090",
		randSource:           defaultRandSource{},
		selectRetries:        selectPeerMaxRetry,
	}
	for _, configure := range option {
		if err := configure(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func WithHTTPServerListenAddr(addr string) Option {
	return func(o *options) error {
		o.httpServerListenAddr = addr
		return nil
	}
}

// WithRandSource sets the generator behind weighted selection, typically the
// consensus protocol's own pseudorandom source.
func WithRandSource(src RandSource) Option {
	return func(o *options) error {
		if src == nil {
			return errors.New("rand source cannot be nil")
		}
		o.randSource = src
		return nil
	}
}

// WithSelectRetries sets how many draws a selection attempts before giving
// up on dead capacity and reporting no peer.
func WithSelectRetries(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.New("select retries must be positive")
		}
		o.selectRetries = n
		return nil
	}
}

// WithCompactInterval makes the service compact the peer set periodically,
// bounding how much capacity fragmentation can accumulate between
// maintenance passes. Zero, the default, disables the loop; compaction then
// only happens on request.
func WithCompactInterval(interval time.Duration) Option {
	return func(o *options) error {
		if interval < 0 {
			return errors.New("compact interval cannot be negative")
		}
		o.compactInterval = interval
		return nil
	}
}
