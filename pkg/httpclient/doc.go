// Package httpclient はサービス間通信用のJSON HTTPクライアントを提供する。
package httpclient
