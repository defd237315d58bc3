package logging

import (
	"log"
	"os"
)

var (
	Telegram = log.New(os.Stdout, "[telegram] ", log.LstdFlags)
	S3       = log.New(os.Stdout, "[s3] ", log.LstdFlags)
	KV       = log.New(os.Stdout, "[kv] ", log.LstdFlags)
	Relay    = log.New(os.Stdout, "[relay] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
	Client   = log.New(os.Stderr, "[client] ", log.LstdFlags)
)
