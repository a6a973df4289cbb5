package repositories

import "errors"

var errDB = errors.New("db error")
