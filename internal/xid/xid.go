package xid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func New(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}

// OrderNumber returns ORD<yymmdd><4 digits>. Callers retry on collision.
func OrderNumber(at time.Time) string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		n = big.NewInt(at.UnixNano() % 10000)
	}
	return fmt.Sprintf("ORD%s%04d", at.UTC().Format("060102"), n.Int64())
}
