package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	streamTokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	streamTokenLength   = 9
	streamTokenGroup    = 3
	streamTokenSep      = '-'
)

// NewStreamToken returns a fresh human-shareable stream token such as
// "AB1-cd2-Ef3": nine alphanumeric characters in groups of three.
func NewStreamToken() string {
	var sb strings.Builder
	sb.Grow(streamTokenLength + streamTokenLength/streamTokenGroup - 1)

	alphabetLen := byte(len(streamTokenAlphabet))
	// Largest multiple of the alphabet size that fits in a byte; bytes at or
	// above it are rejected so every character is equally likely.
	limit := 256 - 256%int(alphabetLen)

	buf := make([]byte, 16)
	written := 0
	for written < streamTokenLength {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			if written > 0 && written%streamTokenGroup == 0 {
				sb.WriteByte(streamTokenSep)
			}
			sb.WriteByte(streamTokenAlphabet[b%alphabetLen])
			written++
			if written == streamTokenLength {
				break
			}
		}
	}
	return sb.String()
}

// IsStreamToken reports whether s has the shape produced by NewStreamToken.
func IsStreamToken(s string) bool {
	groups := strings.Split(s, string(streamTokenSep))
	if len(groups) != streamTokenLength/streamTokenGroup {
		return false
	}
	for _, g := range groups {
		if len(g) != streamTokenGroup {
			return false
		}
		for i := 0; i < len(g); i++ {
			if strings.IndexByte(streamTokenAlphabet, g[i]) < 0 {
				return false
			}
		}
	}
	return true
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
