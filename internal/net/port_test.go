package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenLoopback(t *testing.T) {
	l, err := ListenLoopback()
	require.NoError(t, err)
	defer l.Close()

	port := Port(l)
	assert.NotZero(t, port)
	assert.True(t, l.Addr().(*net.TCPAddr).IP.IsLoopback())

	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
	}()
	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	c.Close()
}
