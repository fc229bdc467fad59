package logfields

import "go.uber.org/zap"

func CacheKey(val string) zap.Field {
	return zap.String("cache.key", val)
}

func CacheRestoreKeys(val []string) zap.Field {
	return zap.Strings("cache.restore_keys", val)
}

func CacheBackend(val string) zap.Field {
	return zap.String("cache.backend", val)
}

func CacheSize(val int64) zap.Field {
	return zap.Int64("cache.size_bytes", val)
}
