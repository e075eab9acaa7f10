// Copyright (C) 2026 byzgen authors
// SPDX-License-Identifier: Apache-2.0

package byzgen

import "errors"

var ErrConfigInvalid = errors.New("config error: the general configuration is invalid")
var ErrInvalidOrder = errors.New("order error: the commander order must be attack or retreat")
var ErrKeyUnavailable = errors.New("key error: the private key is missing or malformed")
var ErrCertUnavailable = errors.New("cert error: a peer certificate is missing or malformed")
var ErrBindFailed = errors.New("bind error: can not listen on the configured port")
var ErrSigningFailed = errors.New("sign error: signing with the private key failed")
var ErrBadDatagram = errors.New("wire error: the datagram is neither a valid ack nor a signed message")
