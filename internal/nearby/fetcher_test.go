package nearby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gpose-together/internal/config"
	"github.com/DoyleJ11/gpose-together/internal/world"
)

type fakeSource struct {
	mu      sync.Mutex
	results [][]SharedPose
	delays  []time.Duration
	err     error
	calls   int
}

func (s *fakeSource) FetchSharedPoses(ctx context.Context) ([]SharedPose, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	var delay time.Duration
	if i < len(s.delays) {
		delay = s.delays[i]
	}
	s.mu.Unlock()

	time.Sleep(delay)
	if s.err != nil {
		return nil, s.err
	}
	return s.results[i], nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestFetcher_Cooldown(t *testing.T) {
	src := &fakeSource{results: [][]SharedPose{{{ID: "a"}}, {{ID: "b"}}}}
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := NewFetcher(src, time.Minute, nil)
	f.now = clk.now

	got, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].ID)

	clk.t = clk.t.Add(59 * time.Second)
	_, err = f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrCooldown)
	assert.Equal(t, time.Second, f.CooldownRemaining())

	clk.t = clk.t.Add(time.Second)
	got, err = f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, 2, src.calls)
}

func TestFetcher_LastRequestWinsNotLastCompletion(t *testing.T) {
	src := &fakeSource{
		results: [][]SharedPose{{{ID: "old"}}, {{ID: "new"}}},
		delays:  []time.Duration{150 * time.Millisecond, 0},
	}
	f := NewFetcher(src, 0, nil)

	oldDone := make(chan error, 1)
	go func() {
		_, err := f.Fetch(context.Background())
		oldDone <- err
	}()
	time.Sleep(30 * time.Millisecond)

	got, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", got[0].ID)

	select {
	case err := <-oldDone:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the slow fetch")
	}
	assert.Equal(t, "new", f.Poses()[0].ID)
}

func TestFetcher_ErrorKeepsPreviousResult(t *testing.T) {
	src := &fakeSource{results: [][]SharedPose{{{ID: "a"}}}}
	f := NewFetcher(src, 0, nil)

	_, err := f.Fetch(context.Background())
	require.NoError(t, err)

	src.err = errors.New("relay down")
	_, err = f.Fetch(context.Background())
	assert.ErrorIs(t, err, src.err)
	assert.Equal(t, "a", f.Poses()[0].ID)
}

func TestService_SampleRecomputesAgainstNewPosition(t *testing.T) {
	src := &fakeSource{results: [][]SharedPose{{pose("p", "A", at(40, 0, 132, 73))}}}
	svc := NewService(NewIndex(selfID, nil, world.Default), NewFetcher(src, time.Minute, nil),
		config.Nearby{MaxDistance: 50, DrawMarkers: true})

	require.NoError(t, svc.Refresh(context.Background()))
	assert.Empty(t, svc.Entries(), "nothing is computed before the first sample")

	got := svc.Sample(at(0, 0, 132, 73))
	require.Len(t, got, 1)
	assert.Equal(t, 40.0, got[0].Distance)

	got = svc.Sample(at(-20, 0, 132, 73))
	assert.Empty(t, got, "moving away must drop the entry")

	got = svc.Sample(at(30, 0, 132, 73))
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Distance)
	assert.Len(t, svc.Markers(), 1)

	s := svc.Settings()
	s.DrawMarkers = false
	s.MaxDistance = 1 // clamped to the minimum
	svc.SetSettings(s)
	assert.Equal(t, config.MinNearbyDistance, svc.Settings().MaxDistance)
	assert.Empty(t, svc.Entries())
	assert.Nil(t, svc.Markers())

	assert.ErrorIs(t, svc.Refresh(context.Background()), ErrCooldown)
}

func TestService_MapChangeSkipsCooldown(t *testing.T) {
	src := &fakeSource{results: [][]SharedPose{
		{pose("p", "A", at(5, 0, 132, 73))},
		{pose("q", "B", at(5, 0, 133, 73))},
	}}
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := NewFetcher(src, time.Minute, nil)
	f.now = clk.now
	svc := NewService(NewIndex(selfID, nil, world.Default), f, config.Nearby{MaxDistance: 50})

	svc.Sample(at(0, 0, 132, 73))
	require.NoError(t, svc.Refresh(context.Background()))
	assert.Equal(t, []string{"p"}, ids(svc.Entries()))
	assert.ErrorIs(t, svc.Refresh(context.Background()), ErrCooldown, "same map still cools down")

	svc.Sample(at(0, 0, 133, 73))
	require.NoError(t, svc.Refresh(context.Background()))
	assert.Equal(t, []string{"q"}, ids(svc.Entries()))
	assert.Equal(t, 2, src.calls)
}

func TestService_ShouldSample(t *testing.T) {
	svc := NewService(NewIndex(selfID, nil, world.Default), NewFetcher(&fakeSource{}, 0, nil), config.DefaultNearby())
	assert.True(t, svc.ShouldSample(true))
	assert.False(t, svc.ShouldSample(false))

	s := svc.Settings()
	s.KeepActiveOutside = true
	svc.SetSettings(s)
	assert.True(t, svc.ShouldSample(false))
}
