package activation

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestCount(t *testing.T) {
	const pid = 4242

	tests := []struct {
		name    string
		env     map[string]string
		want    int
		wantErr bool
	}{
		{name: "not activated", env: map[string]string{}},
		{name: "other process", env: map[string]string{"LISTEN_PID": "1", "LISTEN_FDS": "1"}},
		{name: "activated", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "2"}, want: 2},
		{name: "no fds", env: map[string]string{"LISTEN_PID": "4242"}},
		{name: "zero fds", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "0"}},
		{name: "invalid pid", env: map[string]string{"LISTEN_PID": "self", "LISTEN_FDS": "1"}, wantErr: true},
		{name: "invalid fds", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "many"}, wantErr: true},
		{name: "negative fds", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "-1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := count(envOf(tt.env), pid)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListen_FallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = l.Close()
	}()
	assert.Equal(t, "tcp", l.Addr().Network())
}

func TestListen_InvalidEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(1<<30))
	t.Setenv("LISTEN_FDS", "1")

	// Meant for another process: plain TCP listener.
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	_ = l.Close()

	t.Setenv("LISTEN_PID", "garbage")
	_, err = Listen("127.0.0.1:0")
	assert.Error(t, err)
}
