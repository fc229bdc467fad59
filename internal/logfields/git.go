package logfields

import "go.uber.org/zap"

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func Login(val string) zap.Field {
	return zap.String("github.login", val)
}

func AppID(val int64) zap.Field {
	return zap.Int64("github.app_id", val)
}

func InstallationID(val int64) zap.Field {
	return zap.Int64("github.installation_id", val)
}
