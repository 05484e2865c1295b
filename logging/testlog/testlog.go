// Package testlog prepares logging for package tests.
package testlog

import (
	"edge-rpc/logging"
	"testing"

	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}
