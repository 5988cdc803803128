package app

import (
	"io"

	"github.com/sirupsen/logrus"

	"servicebay/internal/config"
)

// NewLogger builds the process logger from the runtime env.
func NewLogger(env config.Env, out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	if out != nil {
		log.SetOutput(out)
	}
	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	if env.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
