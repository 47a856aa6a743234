package logger

import "go.uber.org/zap"

func Provider(v string) zap.Field {
	return zap.String("provider", v)
}

func ConnectionID(v string) zap.Field {
	return zap.String("connection_id", v)
}

func TenantID(v string) zap.Field {
	return zap.String("tenant_id", v)
}

func UserID(v string) zap.Field {
	return zap.String("user_id", v)
}

func Method(v string) zap.Field {
	return zap.String("method", v)
}

func Path(v string) zap.Field {
	return zap.String("path", v)
}

func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}
