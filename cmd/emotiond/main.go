// Command emotiond serves the text and audio emotion classifiers.
//
//	emotiond text                      # text API on TEXT_HTTP_PORT (8000)
//	emotiond audio                     # audio API on AUDIO_HTTP_PORT (8001)
//	emotiond classify text "I am glad" # one-shot prediction printed as JSON
//	emotiond classify audio clip.wav
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	if err := newRootCommand(logger).ExecuteContext(context.Background()); err != nil {
		logger.WithError(err).Error("emotiond failed")
		os.Exit(1)
	}
}
