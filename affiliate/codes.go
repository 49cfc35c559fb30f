package affiliate

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	referralCodeLength = 6
	linkCodeLength     = 8
	codeCharset        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	codeAttempts       = 10
)

func randomCode(n int) (string, error) {
	code := make([]byte, n)
	for i := range code {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", fmt.Errorf("random int: %w", err)
		}
		code[i] = codeCharset[idx.Int64()]
	}
	return string(code), nil
}

// uniqueCode draws codes of length n until one is unused as both an
// affiliate referral code and a link code.
func uniqueCode(ctx context.Context, store Store, n int) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := randomCode(n)
		if err != nil {
			return "", err
		}
		aff, err := store.GetAffiliateByCode(ctx, code)
		if err != nil {
			return "", storageErr("check referral code", err)
		}
		link, err := store.GetLinkByCode(ctx, code)
		if err != nil {
			return "", storageErr("check link code", err)
		}
		if aff == nil && link == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique code after %d attempts", codeAttempts)
}

// ValidCode reports whether s looks like a referral or link code.
func ValidCode(s string) bool {
	if len(s) < referralCodeLength || len(s) > 32 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(codeCharset, r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
