package oooplan

import "errors"

var errCapacity = errors.New("oooplan: capacity must be a power of two >= 2")
