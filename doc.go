// Package collaborative 提供了一個筆記平台的即時協作同步引擎。
//
// 實現了多人同時編輯同一份筆記的服務端，包含以下核心功能：
//
// # 協作房間
//
// 每份筆記一個房間，提供完整的會話生命週期管理：
//   - 加入與離開（含權限檢查與並發編輯上限）
//   - 空房間寬限期回收
//   - 快照定期持久化，重建時恢復
//
// # CRDT 文檔同步
//
// 以區塊為單位的 last-write-wins 合併：
//   - 更新可交換、可結合、冪等，亂序與重複到達都能收斂
//   - 狀態向量補差，重連客戶端只拉取缺失部分
//   - 二進制編碼嚴格驗證，非法更新不會污染狀態
//
// # 在場與游標
//
// 協作感知層：
//   - 加入/離開廣播與完整在場列表
//   - 12 色游標調色板，同房間顏色不重複
//   - 游標更新令牌桶限流（本地或 Redis 分散式）
//
// # 錯誤契約
//
// 統一的錯誤事件格式與關閉碼：
//   - 4010/4011/4012 認證失敗（致命）
//   - 4030/4032 權限與並發上限（致命）
//   - 4031/4220/4221/4222 限流與驗證（可恢復）
//   - 5000/5001/5002 服務端錯誤
//
// # 架構設計
//
// 系統採用分層架構設計：
//   - ws 層：WebSocket 升級、認證、消息編解碼
//   - room 層：actor 模型的房間語義（准入、合併、廣播）
//   - crdt 層：文檔合併與編碼
//   - store 層：PostgreSQL 快照持久化（含遷移）
//   - audit 層：NATS JetStream 審計事件
//
// 每層都有明確的職責邊界，透過介面進行交互，便於測試與擴展。
//
// # 配置選項
//
// 支援多種運行時配置：
//   - -config：YAML 配置文件路徑
//   - -port：服務監聽端口（預設 8080）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
package collaborative
