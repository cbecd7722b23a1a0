package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCommandRejectsMalformedIP(t *testing.T) {
	cmd := newCheckCommand()
	cmd.Flags().String("config", "", "")
	cmd.SetArgs([]string{"not-an-ip"})
	assert.Error(t, cmd.Execute())
}

func TestCheckCommandRequiresExactlyOneArg(t *testing.T) {
	cmd := newCheckCommand()
	cmd.Flags().String("config", "", "")
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}
