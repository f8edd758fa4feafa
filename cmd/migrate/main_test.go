package main

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	upErr  error
	calls  []string
	steps  int
	forced int
}

func (f *fakeRunner) Up() error {
	f.calls = append(f.calls, "up")
	return f.upErr
}

func (f *fakeRunner) Steps(n int) error {
	f.calls = append(f.calls, "steps")
	f.steps = n
	return nil
}

func (f *fakeRunner) Force(v int) error {
	f.calls = append(f.calls, "force")
	f.forced = v
	return nil
}

func TestRunCommands(t *testing.T) {
	r := &fakeRunner{upErr: migrate.ErrNoChange}
	require.NoError(t, run(r, nil), "no change is not an error")

	r = &fakeRunner{}
	require.NoError(t, run(r, []string{"down", "2"}))
	assert.Equal(t, -2, r.steps)

	r = &fakeRunner{}
	require.NoError(t, run(r, []string{"force", "3"}))
	assert.Equal(t, 3, r.forced)

	r = &fakeRunner{}
	require.NoError(t, run(r, []string{"version"}))
	assert.Empty(t, r.calls)
}

func TestRunRejectsBadInput(t *testing.T) {
	for _, args := range [][]string{{"down"}, {"down", "x"}, {"down", "0"}, {"sideways"}} {
		assert.Error(t, run(&fakeRunner{}, args), "args %v", args)
	}

	boom := errors.New("dirty database")
	err := run(&fakeRunner{upErr: boom}, nil)
	assert.ErrorIs(t, err, boom)
}
