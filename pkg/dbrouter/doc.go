// Package dbrouter はモデルごとの読み書き先データベースを決定するルーティングポリシーを提供する。
//
// 各ルーターは「意見なし」を返すことができ、Chainは先頭から順に問い合わせて
// 最初に意見を持ったルーターの判断を採用する。どのルーターも意見を持たない場合は
// defaultデータベースへフォールバックする。
package dbrouter
