package graph

// schemaString GraphQL Schema定义，带 * 的操作需要管理员令牌
const schemaString = `
enum RaffleState {
  upcoming
  active
  finished
}

type Raffle {
  id: Int!
  title: String!
  ticketPrice: Float!
  totalTickets: Int!
  state: RaffleState!
  endDate: String!
}

type RaffleStats {
  raffleId: Int!
  total: Int!
  available: Int!
  reserved: Int!
  occupied: Int!
}

type ReserveResult {
  raffleId: Int!
  numbers: [Int!]!
  expiresAt: String!
  stats: RaffleStats!
  statsStale: Boolean!
}

type PurchaseResult {
  raffleId: Int!
  numbers: [Int!]!
  purchaseId: String!
  stats: RaffleStats!
  statsStale: Boolean!
}

type ReleaseResult {
  released: Int!
}

type Buyer {
  name: String!
  email: String!
  phone: String!
  document: String!
}

type OccupiedTicket {
  number: Int!
  purchaseId: String!
  buyer: Buyer!
  purchasedAt: String!
}

type OccupiedPage {
  tickets: [OccupiedTicket!]!
  totalCount: Int!
  page: Int!
  pageSize: Int!
  totalPages: Int!
}

input BuyerInput {
  name: String!
  email: String!
  phone: String
  document: String!
}

input TicketFilterInput {
  name: String
  document: String
  phone: String
  number: Int
}

input RaffleInput {
  id: Int!
  title: String!
  ticketPrice: Float!
  totalTickets: Int!
  state: RaffleState
  endDate: String
}

type Query {
  # 各状态票号数量
  raffleStats(raffleId: Int!): RaffleStats!

  # 已售票号分页查询，每页固定条数
  occupiedTickets(raffleId: Int!, filter: TicketFilterInput, page: Int): OccupiedPage!
}

type Mutation {
  # 随机预留票号
  reserveTickets(raffleId: Int!, quantity: Int!): ReserveResult!

  # 确认购买已预留的票号
  finalizePurchase(raffleId: Int!, numbers: [Int!]!, buyer: BuyerInput!): PurchaseResult!

  # 回收过期预留，不传 raffleId 时回收所有抽奖
  releaseExpiredReservations(raffleId: Int): ReleaseResult!

  # * 回收全部预留
  forceReleaseAllReserved(raffleId: Int!): ReleaseResult!

  # * 直接出票
  directIssue(raffleId: Int!, quantity: Int!, buyer: BuyerInput!): PurchaseResult!

  # * 创建抽奖并生成票号
  provisionRaffle(input: RaffleInput!): RaffleStats!

  # * 推进抽奖状态
  setRaffleState(raffleId: Int!, state: RaffleState!): Raffle!
}

schema {
  query: Query
  mutation: Mutation
}
`
