// Package domain は注文通知サービスのデータモデルとエラー分類を定義する。
//
// 注文ドキュメントは既知フィールド以外を不透明なまま保持する。
// 通知ルーティングに使う所有者フィールドは restId に統一している。
package domain
