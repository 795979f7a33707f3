//go:build devbypass

package handler

// devBypassCompiled is true only in binaries built with -tags devbypass.
const devBypassCompiled = true
