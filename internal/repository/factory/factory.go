// Package factory binds the repository ports to a backend selected by the
// storage configuration.
package factory

import (
	"go.uber.org/zap"

	"hostbroker/internal/config"
	"hostbroker/internal/errors"
	"hostbroker/internal/repository"
	"hostbroker/internal/repository/dynamo"
	"hostbroker/internal/repository/jsonfile"
	"hostbroker/internal/repository/memory"
)

// New builds the store bundle for the configured backend. The DynamoDB client
// is only required when cfg.Type is "dynamo"; the other backends ignore it.
func New(cfg config.StorageConfig, client dynamo.API, logger *zap.Logger) (*repository.Stores, error) {
	switch cfg.Type {
	case config.StorageMemory:
		return memory.NewStores(), nil

	case config.StorageJSONFile:
		return jsonfile.Open(cfg.DataDir)

	case config.StorageDynamo:
		if client == nil {
			return nil, errors.Internal(errors.CodeConfigInvalid, "dynamo storage requires a DynamoDB client").
				Build()
		}
		return dynamo.NewStores(client, cfg.TablePrefix, logger), nil

	default:
		return nil, errors.Validation(errors.CodeConfigInvalid, "unknown storage type").
			WithField("storage.type", "must be one of memory, jsonfile, dynamo").
			Build()
	}
}
