// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTriage/services/llm"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeReply is one scripted provider outcome.
type fakeReply struct {
	text  string
	usage llm.Usage
	err   error
}

// fakeProvider replays scripted replies in order; the last one repeats.
type fakeProvider struct {
	name    string
	model   string
	mu      sync.Mutex
	replies []fakeReply
	calls   int
	models  []string
}

func newFakeProvider(name string, replies ...fakeReply) *fakeProvider {
	return &fakeProvider{name: name, model: name + "-model", replies: replies}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Call(_ context.Context, req llm.CallRequest) (llm.CallResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.calls++
	f.models = append(f.models, req.Model)

	reply := f.replies[idx]
	if reply.err != nil {
		return llm.CallResponse{}, reply.err
	}
	model := req.Model
	if model == "" {
		model = f.model
	}
	return llm.CallResponse{Text: reply.text, Model: model, Usage: reply.usage}, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func classErr(class llm.ErrorClass) *llm.Error {
	return &llm.Error{Class: class, Provider: "fake", Message: string(class)}
}

// recordingSleep records requested delays without sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
