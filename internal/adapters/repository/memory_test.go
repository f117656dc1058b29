package repository_test

import (
	"testing"

	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/adapters/repository/repotest"
)

func TestMemoryBackendConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Backend {
		return repository.NewMemoryBackend()
	})
}
