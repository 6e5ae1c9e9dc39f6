package memory_test

import (
	"testing"

	"github.com/rezkam/whim/internal/infrastructure/persistence/compliance"
	"github.com/rezkam/whim/internal/infrastructure/persistence/memory"
)

func TestMemoryStoreCompliance(t *testing.T) {
	compliance.RunStorageComplianceTest(t, func() (compliance.Storage, func()) {
		return memory.NewStore(), func() {}
	})
}
