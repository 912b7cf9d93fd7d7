// Package storage 提供键值存储抽象及内存、Redis、MySQL 三种实现。
package storage
