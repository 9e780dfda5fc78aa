package registry

// Permit2Address is the canonical Permit2 deployment (same address on every
// chain). Permit2 can grant token-spending authorization without a direct
// approve call, so the threat detector treats any interaction with it, or any
// payload embedding its address, with special scrutiny.
const Permit2Address = "0x000000000022d473030f116ddee9f6b43ac78ba3"

// builtinContracts is the static trust table compiled into the binary.
// Operators extend or override it with a YAML file at startup.
var builtinContracts = []ContractRecord{
	// Tokens
	{
		Address:  "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		Name:     "USD Coin",
		Protocol: "Circle",
		Category: CategoryToken,
		Risk:     RiskLow,
		Network:  "base",
	},
	{
		Address:  "0x4200000000000000000000000000000000000006",
		Name:     "Wrapped Ether",
		Protocol: "Base",
		Category: CategoryWrapper,
		Risk:     RiskLow,
		Network:  "base",
	},
	{
		Address:  "0x50c5725949a6f0c72e6c4a641f24049a917db0cb",
		Name:     "Dai Stablecoin",
		Protocol: "MakerDAO",
		Category: CategoryToken,
		Risk:     RiskLow,
		Network:  "base",
	},
	{
		Address:  "0xc1cba3fcea344f92d9239c08c0568f6f2f0ee452",
		Name:     "Wrapped liquid staked Ether",
		Protocol: "Lido",
		Category: CategoryToken,
		Risk:     RiskMedium,
		Network:  "base",
	},

	// Lending
	{
		Address:  "0xa238dd80c259a72e81d7e4664a9801593f98d1c5",
		Name:     "Aave V3 Pool",
		Protocol: "Aave",
		Category: CategoryLendingPool,
		Risk:     RiskLow,
		Network:  "base",
	},
	{
		Address:  "0x46e6b214b524310239732d51387075e0e70970bf",
		Name:     "Moonwell Comptroller",
		Protocol: "Moonwell",
		Category: CategoryLendingPool,
		Risk:     RiskMedium,
		Network:  "base",
	},

	// DEX
	{
		Address:  "0x2626664c2603336e57b271c5c0b26f421741e481",
		Name:     "Uniswap V3 SwapRouter02",
		Protocol: "Uniswap",
		Category: CategoryRouter,
		Risk:     RiskLow,
		Network:  "base",
	},
	{
		Address:  "0x33128a8fc17869897dce68ed026d694621f6fdfd",
		Name:     "Uniswap V3 Factory",
		Protocol: "Uniswap",
		Category: CategoryFactory,
		Risk:     RiskMedium,
		Network:  "base",
	},
	{
		Address:  "0xcf77a3ba9a5ca399b7c97c74d54e5b1beb874e43",
		Name:     "Aerodrome Router",
		Protocol: "Aerodrome",
		Category: CategoryRouter,
		Risk:     RiskMedium,
		Network:  "base",
	},

	// Oracles
	{
		Address:  "0x71041dddad3595f9ced3dccfbe3d1f4b0a16bb70",
		Name:     "Chainlink ETH/USD Feed",
		Protocol: "Chainlink",
		Category: CategoryOracle,
		Risk:     RiskLow,
		Network:  "base",
	},

	// Approval hub — flagged: can grant allowances without a direct approve.
	{
		Address:  Permit2Address,
		Name:     "Permit2",
		Protocol: "Uniswap",
		Category: CategoryApprovalHub,
		Risk:     RiskHigh,
		Network:  "base",
		Notes:    "signature-based approval hub; payloads touching it need extra scrutiny",
	},

	// Governance
	{
		Address:  "0x4200000000000000000000000000000000000018",
		Name:     "Base L2 ProxyAdmin",
		Protocol: "Base",
		Category: CategoryGovernance,
		Risk:     RiskHigh,
		Network:  "base",
	},
}
