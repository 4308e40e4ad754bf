package interpose

import (
	"go.uber.org/zap"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (ip *Interposer) debug(msg string, fields ...zap.Field) {
	ip.log.Debug(msg, fields...)
}

// critical lines are meant for the operator and are never filtered out.
func (ip *Interposer) critical(msg string, fields ...zap.Field) {
	ip.log.Warn(msg, fields...)
}
