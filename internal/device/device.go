// Package device binds capture and playback to the system's audio devices
// through miniaudio.
package device

import (
	"fmt"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// SetupError reports a device that could not be opened or started. It is
// fatal to the session that needed the device.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("audio device %s: %v", e.Op, e.Err) }

func (e *SetupError) Unwrap() error { return e.Err }

func initContext(log *zap.Logger) (*malgo.AllocatedContext, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("miniaudio", zap.String("msg", msg))
	})
	if err != nil {
		return nil, &SetupError{Op: "init context", Err: err}
	}
	return mctx, nil
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}
