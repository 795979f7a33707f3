//go:build !devbypass

package handler

const devBypassCompiled = false
