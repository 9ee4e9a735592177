// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package vaultkeys

import (
	"context"

	"gopkg.in/tomb.v2"
)

// KeyBlobsTask is the result of an asynchronous auth block operation.
type KeyBlobsTask struct {
	tmb   tomb.Tomb
	state AuthBlockState
	blobs *KeyBlobs
}

func newKeyBlobsTask(parent context.Context, fn func(ctx context.Context) (AuthBlockState, *KeyBlobs, error)) *KeyBlobsTask {
	t := new(KeyBlobsTask)
	ctx := t.tmb.Context(parent)

	t.tmb.Go(func() error {
		state, blobs, err := fn(ctx)
		if !t.tmb.Alive() {
			// The task was cancelled, so the result of a late response
			// is discarded.
			blobs.Wipe()
			return nil
		}
		if err != nil {
			return err
		}
		t.state = state
		t.blobs = blobs
		return nil
	})

	return t
}

// Cancel cancels the task. The result of an operation that completes after
// this is discarded, and Wait returns ErrTaskCancelled.
func (t *KeyBlobsTask) Cancel() {
	t.tmb.Kill(ErrTaskCancelled)
}

// Done returns a channel that is closed when the task has finished.
func (t *KeyBlobsTask) Done() <-chan struct{} {
	return t.tmb.Dead()
}

// Wait waits for the task to finish and returns its result.
func (t *KeyBlobsTask) Wait() (AuthBlockState, *KeyBlobs, error) {
	if err := t.tmb.Wait(); err != nil {
		if t.blobs != nil {
			t.blobs.Wipe()
			t.blobs = nil
		}
		return nil, nil, err
	}
	return t.state, t.blobs, nil
}

// WaitContext is like Wait, but cancels the task if ctx is done first.
func (t *KeyBlobsTask) WaitContext(ctx context.Context) (AuthBlockState, *KeyBlobs, error) {
	select {
	case <-t.Done():
	case <-ctx.Done():
		t.Cancel()
	}
	return t.Wait()
}

// completedKeyBlobsTask returns a task that has already failed with the
// supplied error.
func completedKeyBlobsTask(err error) *KeyBlobsTask {
	return newKeyBlobsTask(context.Background(), func(context.Context) (AuthBlockState, *KeyBlobs, error) {
		return nil, nil, err
	})
}
