package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- CLOB API ---

// clobMarket es la respuesta de GET /markets/{condition_id}.
type clobMarket struct {
	ConditionID     string      `json:"condition_id"`
	QuestionID      string      `json:"question_id"`
	Question        string      `json:"question"`
	MarketSlug      string      `json:"market_slug"`
	EndDateISO      string      `json:"end_date_iso"`
	Tokens          []clobToken `json:"tokens"`
	MinimumOrder    json.Number `json:"minimum_order_size"`
	MinimumTick     json.Number `json:"minimum_tick_size"`
	NegRisk         bool        `json:"neg_risk"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
	AcceptingOrders *bool       `json:"accepting_orders"`
}

// clobToken representa un token (YES/NO) en el CLOB.
type clobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

// orderBookRequest es el body del POST /books batch.
type orderBookRequest struct {
	TokenID string `json:"token_id"`
}

// orderBookResponse es un libro de GET /book o un item de POST /books.
type orderBookResponse struct {
	Market       string         `json:"market"`
	AssetID      string         `json:"asset_id"`
	Bids         []bookEntryRaw `json:"bids"`
	Asks         []bookEntryRaw `json:"asks"`
	TickSize     string         `json:"tick_size"`
	MinOrderSize string         `json:"min_order_size"`
	NegRisk      bool           `json:"neg_risk"`
	Timestamp    string         `json:"timestamp"`
	Hash         string         `json:"hash"`
}

// bookEntryRaw es un nivel de precio raw de la API (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// apiErrorBody es el cuerpo de error que devuelve el CLOB.
type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// --- Gamma API ---

// gammaMarketsResponse es la respuesta de GET /markets de Gamma.
type gammaMarketsResponse []gammaMarket

// gammaMarket contiene la metadata descriptiva de un mercado.
// Gamma devuelve algunos campos numéricos como strings JSON, usamos json.Number.
type gammaMarket struct {
	ConditionID string      `json:"conditionId"`
	Question    string      `json:"question"`
	Slug        string      `json:"slug"`
	EndDateISO  string      `json:"endDateIso"`
	Volume24h   json.Number `json:"volume24hr"`
	Active      bool        `json:"active"`
	Closed      bool        `json:"closed"`
}

// --- Data API ---

// rawWalletTrade es un item de GET /trades?user=.
type rawWalletTrade struct {
	ProxyWallet     string      `json:"proxyWallet"`
	Side            string      `json:"side"`
	Asset           string      `json:"asset"`
	ConditionID     string      `json:"conditionId"`
	Size            json.Number `json:"size"`
	Price           json.Number `json:"price"`
	Timestamp       json.Number `json:"timestamp"`
	Outcome         string      `json:"outcome"`
	TransactionHash string      `json:"transactionHash"`
	Type            string      `json:"type"`
}

// --- Trading ---

// clobOrderRequest es el body de POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

// clobOpenOrder es la respuesta de GET /data/order/{hash}.
type clobOpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	OrderType    string `json:"order_type"`
	CreatedAt    int64  `json:"created_at"`
}

type cancelRequest struct {
	OrderID string `json:"orderID"`
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// apiCredentials son las credenciales L2 derivadas de la wallet.
type apiCredentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// --- Websocket (market channel) ---

// wsSubscribe es el primer mensaje tras conectar.
type wsSubscribe struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// wsOperation añade o quita assets sobre una conexión ya suscrita.
type wsOperation struct {
	AssetsIDs []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

// wsMessage agrupa todos los campos de los eventos del canal market.
// event_type decide cuáles son válidos.
type wsMessage struct {
	EventType      string          `json:"event_type"`
	AssetID        string          `json:"asset_id"`
	Market         string          `json:"market"`
	Bids           []bookEntryRaw  `json:"bids"`
	Asks           []bookEntryRaw  `json:"asks"`
	Buys           []bookEntryRaw  `json:"buys"`
	Sells          []bookEntryRaw  `json:"sells"`
	PriceChanges   []wsPriceChange `json:"price_changes"`
	Price          string          `json:"price"`
	Size           string          `json:"size"`
	Side           string          `json:"side"`
	NewTickSize    string          `json:"new_tick_size"`
	AssetIDs       []string        `json:"assets_ids"`
	WinningAssetID string          `json:"winning_asset_id"`
	Timestamp      json.Number     `json:"timestamp"`
}

type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}
