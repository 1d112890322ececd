package config_test

import "github.com/cronquiles/cronquiles/internal/feed"

func feedNamed(name string) feed.Feed {
	return feed.Feed{Name: name}
}
