package scanflow

import (
	"context"
	"errors"
)

var ErrClientCapture = errors.New("codes for this session are submitted by the client")

// ClientSource stands in for the camera when the scanning device runs on the
// client and posts decoded strings to the scan endpoint.
type ClientSource struct{}

func (ClientSource) Open(context.Context) error { return nil }
func (ClientSource) Close() error               { return nil }

func (ClientSource) Next(context.Context) (string, error) {
	return "", ErrClientCapture
}
