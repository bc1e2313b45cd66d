//go:build !linux

package emulator

import (
	"errors"

	"github.com/NodePath81/ccbench/internal/util"
)

func NewSystemDriver(logger util.Logger) (Driver, error) {
	return nil, errors.New("emulation is only supported on linux")
}
