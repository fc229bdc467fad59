package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func Path(val string) zap.Field {
	return zap.String("path", val)
}

func Tool(val string) zap.Field {
	return zap.String("tool", val)
}
