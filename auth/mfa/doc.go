// Package mfa 实现多因素认证核心：
// TOTP 引擎、备用码保险库、短信/邮件一次性验证码、因子注册表以及带锁定策略的验证编排。
//
// 各组件通过构造函数注入协作方，存储层由 FactorRepository、BackupCodeRepository、
// LogRepository 抽象，内存实现见 MemoryStore，SQL 实现见 store/sqlstore。
package mfa
