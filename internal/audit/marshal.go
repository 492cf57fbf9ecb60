package audit

import "go.uber.org/zap/zapcore"

type stringMap struct {
	keys []string
	m    map[string]string
}

func (s stringMap) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for _, k := range s.keys {
		enc.AddString(k, s.m[k])
	}
	return nil
}
