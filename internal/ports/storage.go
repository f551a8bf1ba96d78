package ports

// Store agrupa la persistencia completa del bot: whales, trades
// copiados, snapshots del bankroll y eventos de riesgo. La
// implementación SQLite satisface las dos interfaces con una sola
// conexión.
type Store interface {
	WhaleStore
	TradeStore

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
