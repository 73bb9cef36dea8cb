// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fabric

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/u-root/avalanche/pkg/hwerr"
)

// NewRetry returns the backoff used when the backend is out of slots.
func NewRetry() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Microsecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         time.Millisecond,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock,
	}
}

// SubmitWithRetry submits t, retrying for as long as the backend reports
// busy and bo allows. Any other error is returned right away.
func SubmitWithRetry(ctx context.Context, b *Bridge, t Transaction, bo backoff.BackOff) (*Handle, error) {
	var h *Handle
	err := backoff.RetryNotify(func() error {
		var err error
		h, err = b.Submit(t)
		if err != nil && !hwerr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		log.Debugw("Backend busy, retrying", "bridge", b.name, "id", t.ID, "delay", d)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Transfer submits t with retries and waits for its response.
func Transfer(ctx context.Context, b *Bridge, t Transaction, bo backoff.BackOff) (Response, error) {
	h, err := SubmitWithRetry(ctx, b, t, bo)
	if err != nil {
		return Response{}, err
	}
	return b.Wait(ctx, h)
}
