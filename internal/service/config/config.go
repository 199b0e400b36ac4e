package config

type Config struct {
	// Сервис настроек магазинов, пусто - настройки берутся из своей базы
	StoreSettingsAddr string
	// RabbitMQ для событий кошелька, пусто - события не публикуются
	AMQPURL  string
	Exchange string
}
