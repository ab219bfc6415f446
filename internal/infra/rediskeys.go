package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "siteaudit"
)

// Ключи блокировок (один инстанс выполняет периодическую работу)
const (
	RedisKeyLockSweep   = RedisNamespace + ":lock:scheduler:sweep"
	RedisKeyLockReclaim = RedisNamespace + ":lock:scheduler:reclaim"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAlertsRaised — новые алерты деградации для живой ленты консоли.
	RedisChanAlertsRaised = RedisNamespace + ":alerts:raised"
)

// NATS subjects
const (
	NATSSubjectAlertsRaised = "alerts.raised"
)

// GetLockKey Генератор ключей для блокировок (если нужны динамические)
func GetLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:%s", RedisNamespace, resource)
}
