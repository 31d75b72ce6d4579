package smtp

import (
	"testing"

	"github.com/infodancer/smtpd/internal/spool"
)

func spoolOpenTemp(t *testing.T) (*spool.Store, error) {
	t.Helper()
	return spool.Open(t.TempDir())
}
