package repository

import "errors"

// ErrRecordNotFound 记录不存在
var ErrRecordNotFound = errors.New("record not found")
