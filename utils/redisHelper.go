package utils

import (
	"context"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN_MINUTES"))
	if err != nil || lifespan <= 0 {
		lifespan = 10
	}
	return time.Duration(lifespan) * time.Minute
}

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

func listCacheKey[T any](businessId string) string {
	return GetTypeName[T]() + "List:" + businessId
}

// StoreRedisList caches a per-business list of T.
func StoreRedisList[T any](ctx context.Context, businessId string, list []*T) error {
	return config.SetRedisObject(ctx, listCacheKey[T](businessId), list, GetCacheLifespan())
}

// RetrieveRedisList returns nil when the list is not cached (or redis is absent).
func RetrieveRedisList[T any](ctx context.Context, businessId string) ([]*T, error) {
	var result []*T
	exists, err := config.GetRedisObject(ctx, listCacheKey[T](businessId), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

func RemoveRedisList[T any](ctx context.Context, businessId string) error {
	return config.RemoveRedisKey(ctx, listCacheKey[T](businessId))
}
